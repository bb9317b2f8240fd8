package main

import "github.com/chatrouter/gateway/cmd"

func main() {
	cmd.Execute()
}
