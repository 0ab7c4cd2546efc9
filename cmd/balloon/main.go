package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	err := cmd.Execute()
	if err == nil {
		return
	}

	code := exitFailed
	var coded *exitCoder
	if errors.As(err, &coded) {
		code = coded.code
	}
	if msg := err.Error(); msg != "" && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(code)
}
