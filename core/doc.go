// Package core implements the task-dispatch nucleus of DSNGO.
//
// This package provides the code registries that bind task and thread-pool
// names to numeric codes, the priority thread-pool Scheduler that runs Tasks,
// the per-(code, hash) virtual queue counters used for admission control,
// and the slot+generation HandleRegistry used to expose internal objects
// through opaque 64-bit handles.
package core
