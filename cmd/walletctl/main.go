package main

import "github.com/juanarayafonsec/magenta-sub000/cmd/walletctl/cmd"

func main() {
	cmd.Execute()
}
