package main

import "github.com/kennethnrk/chassis/pkg/chassis"

func main() {
	chassis.Main()
}
