package main

import "github.com/clawd-io/clawd/cmd"

func main() {
	cmd.Execute()
}
