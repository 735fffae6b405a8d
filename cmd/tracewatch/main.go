package main

import "github.com/tracewatch/tracewatch/internal/cli"

func main() {
	cli.Execute()
}
