// Command logguard watches web and SSH logs and blocks addresses that keep
// probing the host.
package main

import (
	"context"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
