package main

import (
	"github.com/karenhq/karen/cmd"
)

func main() {
	cmd.Execute()
}
