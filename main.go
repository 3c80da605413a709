package main

import "zapdesk/cmd"

func main() {
	cmd.Execute()
}
