/*
Package types defines the data model shared by every Themis control-plane
component: nodes, jobs, batches, read requests, and recovery partition
ranges. See SPEC_FULL.md §D for which package implements which component.
*/
package types
