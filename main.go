package main

import "github.com/daos-stack/dfused/cmd"

func main() {
	cmd.Execute()
}
