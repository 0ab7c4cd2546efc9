// Command balloon archives optical media and cartridge dumps with verified
// checksums and parity redundancy. Exit codes follow the final verdict:
// 0 verified, 1 degraded, 2 failed, 3 invalid invocation.
package main
