package service

// SplitFee divides a consultation fee between the platform and the doctor.
// The platform share is floored; the doctor receives the remainder so the
// two parts always add back to total.
func SplitFee(total, bps int64) (platformFee, doctorShare int64) {
	platformFee = total * bps / 10000
	return platformFee, total - platformFee
}
