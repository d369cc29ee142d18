package main

import "github.com/vietddude/taskpilot/internal/cli"

func main() {
	cli.Execute()
}
