package cache

// NewCompactorForTest exposes the compaction trigger to the external test package.
func NewCompactorForTest(every int) func() bool {
	return newCompactor(every).recordWrite
}
