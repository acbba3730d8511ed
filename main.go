package main

import "github.com/maxvaer/fofasweep/cmd"

func main() {
	cmd.Execute()
}
