package main

import "github.com/Norgate-AV/fitscache/cmd"

func main() {
	cmd.Execute()
}
