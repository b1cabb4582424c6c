//go:build !unix

package craig

// freeSpace is unknown on platforms without statfs; downloads proceed
// without the pre-flight space check.
func freeSpace(string) (int64, bool) {
	return 0, false
}
