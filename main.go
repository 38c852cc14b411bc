package main

import (
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/cmd"
)

func main() {
	cmd.Execute()
}
