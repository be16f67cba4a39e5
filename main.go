// enclaverun runs an SGX enclave and intercepts the network binds it
// makes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"enclaverun/cmd"
	ncerr "enclaverun/internal/errors"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := cmd.Execute(ctx, os.Args[1:])
	if err == nil {
		return
	}

	var fault *ncerr.GuestFault
	switch {
	case errors.Is(err, cmd.ErrUsage):
	case errors.As(err, &fault):
		fmt.Fprintf(os.Stderr, "Error while executing SGX enclave.\n%v\n", fault)
	default:
		fmt.Fprintf(os.Stderr, "enclaverun: %v\n", err)
	}
	cancel()
	os.Exit(1)
}
