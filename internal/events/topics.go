package events

const (
	TopicConnStatus       = "conn.status"
	TopicDeviceFrame      = "device.frame"
	TopicRawFrameIn       = "raw.frame.in"
	TopicRawFrameOut      = "raw.frame.out"
	TopicDeviceInfo       = "device.info"
	TopicSlots            = "device.slots"
	TopicLockScreen       = "lock.screen"
	TopicFirmwareProgress = "firmware.progress"
	TopicEnrollment       = "enroll.event"
	TopicUpdateSnapshot   = "update.snapshot"
	TopicPairing          = "pairing"
	TopicServiceError     = "service.error"
)
