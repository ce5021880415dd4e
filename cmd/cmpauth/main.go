package main

import "github.com/jmcleod/cmpauth/cmd/cmpauth/cmd"

func main() {
	cmd.Execute()
}
