package main

import "github.com/andresmejia3/sightline/cmd"

func main() {
	cmd.Execute()
}
