package nioproxy

const jumpMultiplier = uint64(2862933555777941757)

// JumpHash maps key to a bucket in [0, numBuckets) (Lamping and Veach).
// It returns -1 when numBuckets is not positive.
func JumpHash(key uint64, numBuckets int) int {
	var bucket int64 = -1
	var jump int64
	for jump < int64(numBuckets) {
		bucket = jump
		key = key*jumpMultiplier + 1
		jump = int64(float64(bucket+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(bucket)
}
