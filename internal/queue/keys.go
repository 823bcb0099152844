package queue

import (
	"fmt"

	"analysis-dispatch/internal/models"
)

// keyspace builds every Redis key the queue touches.
//
//	<p>:job:<id>              hash, the job record
//	<p>:<type>:wait           list, pending ids in FIFO order
//	<p>:<type>:delayed        zset, retries scored by due time (ms)
//	<p>:<type>:leases         zset, active ids scored by lease deadline (ms)
//	<p>:<type>:finished       zset, terminal ids scored by completion time (ms)
//	<p>:<type>:status:<s>     set, ids currently in status s
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	if prefix == "" {
		prefix = "aq"
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) jobPrefix() string {
	return k.prefix + ":job:"
}

func (k keyspace) job(id string) string {
	return k.jobPrefix() + id
}

func (k keyspace) wait(t models.JobType) string {
	return fmt.Sprintf("%s:%s:wait", k.prefix, t)
}

func (k keyspace) delayed(t models.JobType) string {
	return fmt.Sprintf("%s:%s:delayed", k.prefix, t)
}

func (k keyspace) leases(t models.JobType) string {
	return fmt.Sprintf("%s:%s:leases", k.prefix, t)
}

func (k keyspace) finished(t models.JobType) string {
	return fmt.Sprintf("%s:%s:finished", k.prefix, t)
}

func (k keyspace) status(t models.JobType, s models.Status) string {
	return fmt.Sprintf("%s:%s:status:%s", k.prefix, t, s)
}
