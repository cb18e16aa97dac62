package main

import "github.com/quantaxis/market-data-service/cmd"

func main() {
	cmd.Execute()
}
