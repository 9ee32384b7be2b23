package main

import "github.com/teleroute/drouter/cmd"

func main() {
	cmd.Execute()
}
