package domain

import "testing"

func stage(a Action, st StageStatus, optional bool) Stage {
	return Stage{Action: a, Status: st, Optional: optional}
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name   string
		stages []Stage
		want   JobStatus
	}{
		{
			name: "all succeeded",
			stages: []Stage{
				stage(ActionDownload, StageSucceeded, false),
				stage(ActionConvert, StageSucceeded, false),
			},
			want: JobSucceeded,
		},
		{
			name: "required failure dominates",
			stages: []Stage{
				stage(ActionDownload, StageSucceeded, false),
				stage(ActionConvert, StageFailed, false),
				stage(ActionPost, StageSkipped, true),
			},
			want: JobFailed,
		},
		{
			name: "optional failure degrades to partial",
			stages: []Stage{
				stage(ActionDownload, StageSucceeded, false),
				stage(ActionConvert, StageSucceeded, false),
				stage(ActionPost, StageFailed, true),
			},
			want: JobPartial,
		},
		{
			name: "cancel dominates failure",
			stages: []Stage{
				stage(ActionDownload, StageFailed, false),
				stage(ActionConvert, StageCancelled, false),
			},
			want: JobCancelled,
		},
		{
			name: "pending stages keep job running",
			stages: []Stage{
				stage(ActionDownload, StageSucceeded, false),
				stage(ActionConvert, StageRunning, false),
				stage(ActionPost, StagePending, true),
			},
			want: JobRunning,
		},
		{
			name: "skipped required stage without failure stays succeeded",
			stages: []Stage{
				stage(ActionDownload, StageSucceeded, false),
				stage(ActionConvert, StageSkipped, false),
			},
			want: JobSucceeded,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveStatus(tc.stages); got != tc.want {
				t.Fatalf("DeriveStatus=%s want %s", got, tc.want)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobSucceeded, JobPartial, JobFailed, JobCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobQueued, JobRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
