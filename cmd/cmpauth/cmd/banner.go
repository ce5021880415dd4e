package cmd

import (
	"fmt"
	"io"
)

const banner = `
   ___ _ __ ___  _ __   __ _ _   _| |_| |__
  / __| '_ ` + "`" + ` _ \| '_ \ / _` + "`" + ` | | | | __| '_ \
 | (__| | | | | | |_) | (_| | |_| | |_| | | |
  \___|_| |_| |_| .__/ \__,_|\__,_|\__|_| |_|
                |_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  CMP End-Entity Authentication - Version %s\x1b[0m\n\n", Version)
}
