package main

import "github.com/frahmantamala/overtime-management/cmd"

func main() {
	cmd.Execute()
}
