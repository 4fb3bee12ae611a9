package nlog

import "fmt"

func sprintf(format string, args ...any) string { return fmt.Sprintf(format, args...) }
func sprintln(args ...any) string                { return fmt.Sprintln(args...) }
