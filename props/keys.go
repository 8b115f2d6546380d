package props

// Well-known job property keys and their defaults. Names follow the
// historical job-file vocabulary so existing job files load unchanged.
const (
	JobName         = "job.name"
	JobCommitPolicy = "job.commit.policy"
	JobMaxFailures  = "job.max.failures"

	TaskMaxRetries          = "task.maxretries"
	TaskRetryIntervalInSecs = "task.retry.intervalinsec"

	ForkBranches            = "fork.branches"
	ForkBranchNamePrefix    = "fork.branch.name."
	ForkOperatorType        = "fork.operator.type"
	ForkOperatorField       = "fork.operator.field"
	ForkQueueCapacity       = "fork.record.queue.capacity"
	ForkQueueTimeout        = "fork.record.queue.timeout"
	ForkQueueTimeoutUnit    = "fork.record.queue.timeout.unit"
	ForkFailOnBranchTimeout = "fork.fail.task.on.branch.timeout"

	RowPolicies     = "qualitychecker.row.policies"
	RowPolicyTypes  = "qualitychecker.row.policy.types"
	RowErrFile      = "qualitychecker.row.err.file"
	RowFailMax      = "qualitychecker.row.fail.max"
	TaskPolicies    = "qualitychecker.task.policies"
	TaskPolicyTypes = "qualitychecker.task.policy.types"
	RowCountRange   = "qualitychecker.row.count.range"
	ValueRangeField = "qualitychecker.value.range.field"
	ValueRangeMin   = "qualitychecker.value.range.min"
	ValueRangeMax   = "qualitychecker.value.range.max"
	NotNullFields   = "qualitychecker.not.null.fields"

	WatermarkOverride      = "source.querybased.is.watermark.override"
	LowWatermarkBackupSecs = "source.querybased.low.watermark.backup.secs"
	SkipHighWatermarkCalc  = "source.querybased.skip.high.watermark.calc"
	StartValue             = "source.querybased.start.value"
	EndValue               = "source.querybased.end.value"
	PartitionInterval      = "source.querybased.partition.interval"
	MaxPartitions          = "source.max.number.of.partitions"
	DatasetURN             = "dataset.urn"

	ConverterMaxFailures  = "converter.max.conversion.failures"
	ThrottleRecordsPerSec = "extract.throttle.records.per.sec"

	TaskExecutorPoolSize = "taskexecutor.threadpool.size"
	TaskRetryPoolSize    = "taskretry.threadpool.coresize"
)

// Defaults for the keys above.
const (
	DefaultCommitPolicy            = "full"
	DefaultJobMaxFailures          = 1
	DefaultTaskMaxRetries          = 5
	DefaultTaskRetryIntervalInSecs = 300
	DefaultForkQueueCapacity       = 100
	DefaultForkQueueTimeout        = 1000
	DefaultForkQueueTimeoutUnit    = "MILLISECONDS"
	DefaultLowWatermarkBackupSecs  = 1000
	DefaultMaxPartitions           = 20
	DefaultConverterMaxFailures    = 0
	DefaultRowFailMax              = -1
	DefaultTaskExecutorPoolSize    = 2
	DefaultTaskRetryPoolSize       = 1
	DefaultRowCountRange           = "0.9,1.1"
)
