package main

import "github.com/pauline2k/weave-bot-orb/cmd"

func main() {
	cmd.Execute()
}
