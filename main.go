package main

import (
	"evsim/simulator"
	"log"
)

func main() {

	sim, err := simulator.NewSimulator()
	if err != nil {
		log.Println("simulator initialization failed", err)
		return
	}
	sim.Start()

}
