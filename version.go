package main

import (
	"fmt"

	"github.com/hath-node/hath-node/internal/version"
)

// printVersion 输出版本、协议 build 号与提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
