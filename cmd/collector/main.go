package main

import "github.com/vietddude/collector/internal/cli"

func main() {
	cli.Execute()
}
