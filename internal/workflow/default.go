package workflow

// Default returns the built-in CI workflow: a build/test matrix over two
// interpreter versions, a Docker image build on main and a package release
// on version tags.
func Default() *Workflow {
	setup := []Step{
		{Name: "upgrade pip", Run: "python -m pip install --upgrade pip", Setup: true},
		{Name: "install test tools", Run: "pip install flake8 pytest", Setup: true},
		{Name: "install requirements", Run: "if [ -f requirements.txt ]; then pip install -r requirements.txt; fi", Setup: true},
	}

	withSetup := func(steps ...Step) []Step {
		out := make([]Step, 0, len(setup)+len(steps))
		out = append(out, setup...)
		return append(out, steps...)
	}

	return &Workflow{
		Name: "ci",
		On: Filter{
			Branches: []string{"main", "develop"},
			Tags:     []string{"v*.*.*"},
		},
		Jobs: []*Job{
			{
				Name:   "build",
				Matrix: Matrix{{Name: "python-version", Values: []string{"3.10", "3.11"}}},
				Image:  "python:${{ matrix.python-version }}",
				Env:    map[string]string{"PYTHONPATH": "src"},
				Steps:  withSetup(Step{Name: "test", Run: "pytest"}),
			},
			{
				Name:  "docker_build",
				Needs: []string{"build"},
				When:  &Filter{Branches: []string{"main"}},
				Image: "python:3.11",
				Steps: withSetup(Step{Name: "docker build", Run: "make docker_build"}),
			},
			{
				Name:  "release",
				Needs: []string{"build"},
				When:  &Filter{Tags: []string{"v*.*.*"}},
				Image: "python:3.11",
				Credentials: []Credential{{
					Path: ".pypirc",
					Sections: []CredentialSection{
						{Name: "pypi", Username: "__token__", PasswordSecret: "PYPI_API_TOKEN"},
						{Name: "testpypi", Username: "__token__", PasswordSecret: "TEST_PYPI_API_TOKEN"},
					},
				}},
				Steps: withSetup(Step{Name: "release", Run: "make release"}),
			},
		},
	}
}
