package main

import "github.com/thejohnfreeman/redirectory/cmd/redirectory/cmd"

func main() {
	cmd.Execute()
}
