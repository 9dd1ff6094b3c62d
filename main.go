package main

import "github.com/baltarius/servitor/cmd"

func main() {
	cmd.Execute()
}
