// Package id generates lexicographically sortable 128-bit identifiers used as
// queue ordering tokens. An ID encodes [ms_timestamp|sequence] big-endian, so
// comparing raw bytes compares enqueue order.
package id
