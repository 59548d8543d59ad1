package jobqueue

import "context"

type jobKey struct{}

// WithJob marks ctx as running inside job id.
func WithJob(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobKey{}, id)
}

// JobID returns the job ctx runs inside, or "" outside any job.
func JobID(ctx context.Context) string {
	id, _ := ctx.Value(jobKey{}).(string)
	return id
}
