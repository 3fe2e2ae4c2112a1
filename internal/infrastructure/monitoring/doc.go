// Package monitoring exposes kernel activity as Prometheus metrics: syscall
// and fault rates, scheduler behavior, frame-allocator occupancy, and IPC
// traffic. Metrics are registered on a private registry so multiple kernels
// (tests run many) never collide.
package monitoring
