package main

import (
	"fmt"
	"os"

	couriercmd "github.com/telekom/mail-courier/pkg/courier/cmd"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := couriercmd.NewRootCommand(couriercmd.DefaultConfig())
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
