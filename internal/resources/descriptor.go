package resources

import (
	"encoding/json"
	"fmt"
	"path"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/job"
	"strings"
)

// Buckets are the storage locations of one job.
type Buckets struct {
	Work    string
	Results string
}

// BucketsFor derives the bucket names of a job. Bucket names must be
// lowercase and at most 63 characters.
func (c Config) BucketsFor(jobID string) Buckets {
	base := fmt.Sprintf("%s-%s", c.BucketPrefix, strings.ToLower(jobID))
	if len(base) > 55 {
		base = base[:55]
	}
	return Buckets{Work: base + "-work", Results: base + "-results"}
}

// RunName is the workflow run name reported by the monitoring service.
func (c Config) RunName(jobID string) string {
	return fmt.Sprintf("%s-%s", c.Namespace, jobID)
}

// JobIDFromRunName is the inverse of RunName. ok is false for runs launched
// from another namespace.
func (c Config) JobIDFromRunName(runName string) (id string, ok bool) {
	id, ok = strings.CutPrefix(runName, c.Namespace+"-")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// transferSpec describes the workload that downloads and decrypts inputs
// into the work bucket.
func (c Config) transferSpec(j *job.Job, m *job.Manifest) (WorkloadSpec, error) {
	b := c.BucketsFor(j.ID)
	files, err := json.Marshal(m.GlobusDetails.Files)
	if err != nil {
		return WorkloadSpec{}, apperrors.Permanent("descriptor.transfer", err)
	}
	return WorkloadSpec{
		Name:      WorkloadName(j.ID, KindTransfer),
		JobID:     j.ID,
		Kind:      KindTransfer,
		Namespace: c.Namespace,
		Image:     c.TransferImage,
		Env: map[string]string{
			"JOB_ID":            j.ID,
			"GLOBUS_DIR_PATH":   m.GlobusDetails.DirPath,
			"GLOBUS_FILES":      string(files),
			"SECRET_ID":         m.SecretKeyDetails.SecretID,
			"SECRET_ID_VERSION": m.SecretKeyDetails.Version(),
			"DESTINATION":       fmt.Sprintf("s3://%s/data", b.Work),
		},
		CPU:            c.TransferCPU,
		Memory:         c.TransferMemory,
		Deadline:       c.WorkloadDeadline,
		ServiceAccount: c.ServiceAccount,
	}, nil
}

// computeSpec describes the workflow launcher workload. Target genome paths
// are rewritten to point at the staged copies in the work bucket.
func (c Config) computeSpec(j *job.Job, m *job.Manifest) (WorkloadSpec, error) {
	b := c.BucketsFor(j.ID)
	dataDir := fmt.Sprintf("s3://%s/data", b.Work)

	samplesheet := make([]job.TargetGenome, len(m.PipelineParam.TargetGenomes))
	for i, g := range m.PipelineParam.TargetGenomes {
		g.Geno = dataDir + "/" + path.Base(g.Geno)
		g.Pheno = dataDir + "/" + path.Base(g.Pheno)
		g.Variants = dataDir + "/" + path.Base(g.Variants)
		samplesheet[i] = g
	}
	input, err := json.Marshal(samplesheet)
	if err != nil {
		return WorkloadSpec{}, apperrors.Permanent("descriptor.compute", err)
	}
	params, err := json.Marshal(m.PipelineParam.NxfParamsFile)
	if err != nil {
		return WorkloadSpec{}, apperrors.Permanent("descriptor.compute", err)
	}

	runName := c.RunName(j.ID)
	return WorkloadSpec{
		Name:      WorkloadName(j.ID, KindCompute),
		JobID:     j.ID,
		Kind:      KindCompute,
		Namespace: c.Namespace,
		Image:     c.ComputeImage,
		Command: []string{
			"nextflow", "run", c.WorkflowRepo,
			"-r", c.WorkflowRevision,
			"-name", runName,
			"-work-dir", fmt.Sprintf("s3://%s/work", b.Work),
			"-with-tower",
		},
		Env: map[string]string{
			"JOB_ID":        j.ID,
			"NXF_RUN_NAME":  runName,
			"INPUT_JSON":    string(input),
			"PARAMS_JSON":   string(params),
			"NXF_OUTDIR":    fmt.Sprintf("s3://%s/results", b.Results),
			"NXF_NAMESPACE": c.Namespace,
		},
		CPU:            c.ComputeCPU,
		Memory:         c.ComputeMemory,
		Deadline:       c.WorkloadDeadline,
		ServiceAccount: c.ServiceAccount,
	}, nil
}

// manifestOf decodes the stored manifest. Jobs only reach provisioning with a
// validated manifest, so a decode failure here is permanent.
func manifestOf(j *job.Job) (*job.Manifest, error) {
	m, err := job.ParseManifest(j.Manifest)
	if err != nil {
		return nil, apperrors.Permanent("descriptor.manifest", err)
	}
	return m, nil
}
