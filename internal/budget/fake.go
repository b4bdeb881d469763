package budget

import "context"

// FakeUsageSource returns a fixed, caller-configured slice of samples on
// every Sample call, for deterministic metering tests.
type FakeUsageSource struct {
	Samples []UsageSample
	Err     error
}

func (f *FakeUsageSource) Sample(ctx context.Context) ([]UsageSample, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Samples, nil
}
