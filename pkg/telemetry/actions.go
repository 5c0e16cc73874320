package telemetry

type ActionCategory int

const (
	Building ActionCategory = iota
	Scheduling
	Measuring
	Running
)

func (a ActionCategory) String() string {
	switch a {
	case Building:
		return "building"
	case Scheduling:
		return "scheduling"
	case Measuring:
		return "measuring"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}
