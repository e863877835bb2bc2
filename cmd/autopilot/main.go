package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		code := 1
		var exitErr *ExitCodeError
		if errors.As(err, &exitErr) {
			code = exitErr.Code
		}
		if msg := err.Error(); msg != "" {
			fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
		}
		os.Exit(code)
	}
}
