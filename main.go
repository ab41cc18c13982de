package main

import "github.com/drgolem/mp4opus/cmd"

func main() {
	cmd.Execute()
}
