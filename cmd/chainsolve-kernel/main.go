// Command chainsolve-kernel is the reference computation kernel. It speaks
// the framed wire protocol over stdin/stdout and maintains an in-memory node
// graph. It exists for local development and end-to-end tests; it is not a
// production solver.
//
// Fault-injection environment knobs:
//
//	CHAINSOLVE_KERNEL_CONTRACT       override the announced contract version
//	CHAINSOLVE_KERNEL_HANG_ON        op name to hang on without answering
//	CHAINSOLVE_KERNEL_FORCE_PARTIAL  mark every incremental response partial
//	CHAINSOLVE_KERNEL_INIT_FAIL      emit init-error instead of ready
package main

import (
	"log"
	"os"
	"strconv"
)

func main() {
	k := newKernel(os.Stdin, os.Stdout)

	if v := os.Getenv("CHAINSOLVE_KERNEL_CONTRACT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("CHAINSOLVE_KERNEL_CONTRACT: %v", err)
		}
		k.contractVersion = n
	}
	k.hangOn = os.Getenv("CHAINSOLVE_KERNEL_HANG_ON")
	k.forcePartial = os.Getenv("CHAINSOLVE_KERNEL_FORCE_PARTIAL") == "true"
	k.initFail = os.Getenv("CHAINSOLVE_KERNEL_INIT_FAIL") == "true"

	if err := k.serve(); err != nil {
		log.Fatalf("kernel: %v", err)
	}
}
