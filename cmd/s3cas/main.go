package main

import "github.com/threefoldtech/s3-cas/cmd/s3cas/cmd"

func main() {
	cmd.Execute()
}
