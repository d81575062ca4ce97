// Command connsysctl is the CLI client for connsysd's control-plane API.
package main

import "github.com/bmwcarit/ramses-connsys/cmd/connsysctl/commands"

func main() {
	commands.Execute()
}
