package main

import (
	"AuraFM/cmd"
	"log"
)

func main() {
	cmd.Execute()
	// If Execute() had a problem, Cobra would have called os.Exit.
	// Reaching here means the command completed (or the server started
	// without error during setup).
	log.Println("Application command execution finished or server started.")
}
