package model

// Global settings keys. Values are stored as strings; boolean settings use
// "true"/"false".
const (
	SettingAllowPlainFTP         = "ALLOW_PLAIN_FTP"
	SettingHarvesterScheduler    = "HARVESTER_SCHEDULER_ENABLED"
	SettingAffiliateScheduler    = "AFFILIATE_SCHEDULER_ENABLED"
	SettingAutoEmbeddingEnabled  = "AUTO_EMBEDDING_ENABLED"
)

// SchedulerSetting returns the gate setting for a pipeline.
func SchedulerSetting(kind FeedKind) string {
	if kind == KindRetailer {
		return SettingHarvesterScheduler
	}
	return SettingAffiliateScheduler
}
