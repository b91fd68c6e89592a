package main

import "github.com/variantdev/inferdeploy/cmd"

func main() {
	cmd.Execute()
}
