package main

import "github.com/andresmejia3/oculus/cmd"

func main() {
	cmd.Execute()
}
