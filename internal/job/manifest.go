package job

import (
	"encoding/json"
	"fmt"
	"maps"
	"path"
	"pgsorchestrator/internal/apperrors"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// jobIDPattern keeps job IDs usable in bucket names, workload names and
// label values once lowercased.
var jobIDPattern = regexp.MustCompile(`^INTP[A-Z0-9]([A-Z0-9-]{0,38}[A-Z0-9])?$`)

// Manifest is the request payload describing a PGS calculation.
type Manifest struct {
	GlobusDetails    *GlobusDetails    `json:"globus_details"`
	PipelineParam    *PipelineParam    `json:"pipeline_param"`
	SecretKeyDetails *SecretKeyDetails `json:"secret_key_details"`
}

// GlobusDetails lists the encrypted input files to transfer.
type GlobusDetails struct {
	DirPath string       `json:"dir_path_on_guest_collection"`
	Files   []GlobusFile `json:"files"`
}

// GlobusFile is one crypt4gh-encrypted input file.
type GlobusFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// PipelineParam holds the workflow parameters.
type PipelineParam struct {
	ID            string         `json:"id"`
	TargetGenomes []TargetGenome `json:"target_genomes"`
	NxfParamsFile *PGSParams     `json:"nxf_params_file"`
}

// TargetGenome is one samplesheet row.
type TargetGenome struct {
	Sampleset       string  `json:"sampleset"`
	Chrom           *string `json:"chrom"`
	VCFImportDosage bool    `json:"vcf_import_dosage"`
	Geno            string  `json:"geno"`
	Pheno           string  `json:"pheno"`
	Variants        string  `json:"variants"`
	Format          string  `json:"format"`
}

// PGSParams are the calculator runtime parameters.
type PGSParams struct {
	PGSID       string `json:"pgs_id,omitempty"`
	PGPID       string `json:"pgp_id,omitempty"`
	TraitEFO    string `json:"trait_efo,omitempty"`
	TargetBuild string `json:"target_build"`
	Format      string `json:"format,omitempty"`
}

// SecretKeyDetails identifies the crypt4gh key used to decrypt inputs.
type SecretKeyDetails struct {
	SecretID        string          `json:"secret_id"`
	SecretIDVersion json.RawMessage `json:"secret_id_version"`
}

// Version returns the secret version, accepting numbers or strings.
func (s *SecretKeyDetails) Version() string {
	var str string
	if err := json.Unmarshal(s.SecretIDVersion, &str); err == nil {
		return str
	}
	return strings.TrimSpace(string(s.SecretIDVersion))
}

// Target formats.
const (
	FormatPfile = "pfile"
	FormatBfile = "bfile"
	FormatVCF   = "vcf"
)

var supportedBuilds = []string{"GRCh37", "GRCh38"}

// ParseManifest decodes raw and validates it. The returned manifest is
// non-nil whenever raw is well-formed JSON, so callers can still recover the
// job ID of an invalid request.
func ParseManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperrors.Validation("manifest", fmt.Sprintf("malformed manifest: %v", err))
	}
	return &m, m.Validate()
}

// JobID returns the job identifier carried by the manifest, if any.
func (m *Manifest) JobID() string {
	if m == nil || m.PipelineParam == nil {
		return ""
	}
	return m.PipelineParam.ID
}

// Validate checks the manifest schema and its semantic rules.
func (m *Manifest) Validate() error {
	if m.PipelineParam == nil {
		return apperrors.Validation("pipeline_param", "pipeline_param is required")
	}
	if err := m.PipelineParam.validate(); err != nil {
		return err
	}
	if m.GlobusDetails == nil {
		return apperrors.Validation("globus_details", "globus_details is required")
	}
	if err := m.GlobusDetails.validate(); err != nil {
		return err
	}
	if m.SecretKeyDetails == nil {
		return apperrors.Validation("secret_key_details", "secret_key_details is required")
	}
	return m.SecretKeyDetails.validate()
}

func (g *GlobusDetails) validate() error {
	if g.DirPath == "" {
		return apperrors.Validation("globus_details.dir_path_on_guest_collection", "directory path is required")
	}
	if len(g.Files) == 0 {
		return apperrors.Validation("globus_details.files", "at least one file is required")
	}
	for i, f := range g.Files {
		field := fmt.Sprintf("globus_details.files[%d]", i)
		if !strings.HasSuffix(f.Filename, ".c4gh") {
			return apperrors.Validation(field+".filename", fmt.Sprintf("filename %q must end with .c4gh", f.Filename))
		}
		if f.Size <= 0 {
			return apperrors.Validation(field+".size", "size must be greater than 0")
		}
	}
	return nil
}

func (p *PipelineParam) validate() error {
	if !strings.HasPrefix(p.ID, "INTP") {
		return apperrors.Validation("pipeline_param.id", fmt.Sprintf("job id %q must start with INTP", p.ID))
	}
	if !jobIDPattern.MatchString(p.ID) {
		return apperrors.Validation("pipeline_param.id",
			fmt.Sprintf("job id %q must be INTP followed by at most 40 uppercase letters, digits or inner hyphens", p.ID))
	}
	if len(p.TargetGenomes) == 0 {
		return apperrors.Validation("pipeline_param.target_genomes", "at least one target genome is required")
	}
	for i := range p.TargetGenomes {
		if err := p.TargetGenomes[i].validate(i); err != nil {
			return err
		}
	}
	if p.NxfParamsFile == nil {
		return apperrors.Validation("pipeline_param.nxf_params_file", "nxf_params_file is required")
	}
	return p.NxfParamsFile.validate()
}

func (t *TargetGenome) validate(i int) error {
	field := fmt.Sprintf("pipeline_param.target_genomes[%d]", i)
	switch {
	case t.Sampleset == "":
		return apperrors.Validation(field+".sampleset", "sampleset is required")
	case strings.Contains(t.Sampleset, "_"):
		return apperrors.Validation(field+".sampleset", "sampleset name can't contain _")
	case t.Sampleset == "reference":
		return apperrors.Validation(field+".sampleset", "sampleset name can't be reference")
	}

	geno, pheno, variants := suffixes(t.Geno), suffixes(t.Pheno), suffixes(t.Variants)

	switch last(geno) {
	case ".pgen", ".bed":
	case ".gz":
		if !slices.Contains(geno, ".vcf") {
			return apperrors.Validation(field+".geno", fmt.Sprintf("genotype file %q is not a supported format", t.Geno))
		}
	default:
		return apperrors.Validation(field+".geno", fmt.Sprintf("genotype file %q is not a supported format", t.Geno))
	}

	switch last(pheno) {
	case ".psam", ".fam":
	case ".gz":
		if !slices.Contains(pheno, ".vcf") {
			return apperrors.Validation(field+".pheno", fmt.Sprintf("phenotype file %q is not a supported format", t.Pheno))
		}
	default:
		return apperrors.Validation(field+".pheno", fmt.Sprintf("phenotype file %q is not a supported format", t.Pheno))
	}

	switch last(variants) {
	case ".pvar", ".bim":
	case ".zst":
		if !slices.Contains(variants, ".pvar") && !slices.Contains(variants, ".bim") {
			return apperrors.Validation(field+".variants", fmt.Sprintf("variant file %q is not a supported format", t.Variants))
		}
	case ".gz":
		if !slices.Contains(variants, ".bim") && !slices.Contains(variants, ".vcf") {
			return apperrors.Validation(field+".variants", fmt.Sprintf("variant file %q is not a supported format", t.Variants))
		}
	default:
		return apperrors.Validation(field+".variants", fmt.Sprintf("variant file %q is not a supported format", t.Variants))
	}

	exts := map[string]bool{}
	for _, s := range slices.Concat(geno, pheno, variants) {
		exts[s] = true
	}
	var allowed [][]string
	switch t.Format {
	case FormatPfile:
		allowed = [][]string{{".pvar", ".psam", ".pgen"}, {".pvar", ".zst", ".psam", ".pgen"}}
	case FormatBfile:
		allowed = [][]string{{".bed", ".bim", ".fam"}, {".bed", ".bim", ".zst", ".fam"}}
	case FormatVCF:
		allowed = [][]string{{".vcf"}, {".vcf", ".gz"}}
	default:
		return apperrors.Validation(field+".format", fmt.Sprintf("unsupported format %q", t.Format))
	}
	for _, set := range allowed {
		if sameSet(exts, set) {
			return nil
		}
	}
	return apperrors.Validation(field+".format", fmt.Sprintf("format %q does not match file extensions %v", t.Format, slices.Sorted(maps.Keys(exts))))
}

func (p *PGSParams) validate() error {
	p.PGSID = strings.TrimSpace(p.PGSID)
	p.PGPID = strings.TrimSpace(p.PGPID)
	p.TraitEFO = strings.TrimSpace(p.TraitEFO)
	if p.PGSID == "" && p.PGPID == "" && p.TraitEFO == "" {
		return apperrors.Validation("pipeline_param.nxf_params_file", "missing all pgs_id, pgp_id, or trait_efo")
	}
	if !slices.Contains(supportedBuilds, p.TargetBuild) {
		return apperrors.Validation("pipeline_param.nxf_params_file.target_build", fmt.Sprintf("unsupported genome build %q", p.TargetBuild))
	}
	if p.Format == "" {
		p.Format = "json"
	}
	if p.Format != "json" {
		return apperrors.Validation("pipeline_param.nxf_params_file.format", "samplesheet format must be json")
	}
	return nil
}

func (s *SecretKeyDetails) validate() error {
	id, err := uuid.Parse(s.SecretID)
	if err != nil || id.Version() != 4 {
		return apperrors.Validation("secret_key_details.secret_id", "secret_id must be a UUIDv4")
	}
	if len(s.SecretIDVersion) == 0 || string(s.SecretIDVersion) == "null" || s.Version() == "" {
		return apperrors.Validation("secret_key_details.secret_id_version", "secret_id_version is required")
	}
	return nil
}

// suffixes returns the dotted extensions of a file name: "a.pvar.zst" -> [.pvar .zst].
func suffixes(p string) []string {
	name := strings.TrimLeft(path.Base(p), ".")
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return nil
	}
	out := make([]string, 0, len(parts)-1)
	for _, s := range parts[1:] {
		if s != "" {
			out = append(out, "."+s)
		}
	}
	return out
}

func last(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

func sameSet(have map[string]bool, want []string) bool {
	if len(have) != len(want) {
		return false
	}
	for _, w := range want {
		if !have[w] {
			return false
		}
	}
	return true
}
