package worker

type JobError struct {
	msg string
}

func (je JobError) Error() string {
	return je.msg
}

var (
	ErrNoBasePathSet       = JobError{"empty BFDBasePath: Must be set"}
	ErrParentJobNotFound   = JobError{"parent job not found"}
	ErrParentJobCancelled  = JobError{"parent job cancelled"}
	ErrParentJobFailed     = JobError{"parent job failed"}
	ErrJobNotSubmitted     = JobError{"job is not in SUBMITTED status"}
	ErrJobCancelled        = JobError{"job cancelled mid-flight"}
	ErrCoverageUnavailable = JobError{"coverage not yet available for contract"}
)
