// Command kernel boots the simulated machine: it builds the kernel from
// environment configuration, loads the boot manifest, starts the processor
// loops and preemption timer, and serves the debug/inspection API until
// interrupted.
package main
