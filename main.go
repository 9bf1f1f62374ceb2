package main

import "github.com/nextlevelbuilder/wapair/cmd"

func main() {
	cmd.Execute()
}
