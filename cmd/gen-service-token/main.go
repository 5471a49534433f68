package main

import (
	"flag"
	"fmt"
	"log"

	"bitbucket.org/casadata/rentals_backend/utils"
)

// Generates a service bearer token for the scheduler or manual API calls.
func main() {
	org := flag.String("org", "", "organization id the token is scoped to")
	role := flag.String("role", utils.ServiceRoleScheduler, "service role claim")
	flag.Parse()

	if *org == "" {
		log.Fatal("-org is required")
	}

	token, err := utils.ServiceTokenGenerate(*org, *role)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}
