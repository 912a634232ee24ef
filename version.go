package main

import (
	"fmt"

	"github.com/lunara/lunara/internal/version"
)

// printVersion 输出版本与提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
