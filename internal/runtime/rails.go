package runtime

// Rails is the built-in Ruby on Rails runtime: Ubuntu with mise-managed
// ruby and node, PostgreSQL, overmind for process management, cloudflared
// for the tunnel, and the claude CLI.
type Rails struct{}

// NewRails returns the Rails recipe.
func NewRails() *Rails {
	return &Rails{}
}

func (r *Rails) Dockerfile() string {
	return railsDockerfile
}

func (r *Rails) DefaultInstall() []string {
	return []string{
		"bundle install",
		"bin/rails db:prepare",
	}
}

func (r *Rails) DefaultProcesses() map[string]string {
	return map[string]string{
		"web": "bin/rails server -b 0.0.0.0 -p 3000",
	}
}

func (r *Rails) DefaultPort() int {
	return 3000
}

const railsDockerfile = `FROM ubuntu:24.04

ENV DEBIAN_FRONTEND=noninteractive

RUN apt-get update && apt-get install -y \
    build-essential curl git tmux sudo \
    libssl-dev libreadline-dev zlib1g-dev libyaml-dev libffi-dev \
    postgresql postgresql-contrib libpq-dev \
    libvips sqlite3 libsqlite3-dev \
    && rm -rf /var/lib/apt/lists/*

RUN useradd -m -s /bin/bash daytona && echo "daytona ALL=(ALL) NOPASSWD:ALL" >> /etc/sudoers

# overmind drives the Procfile processes inside a tmux session.
RUN curl -fsSL https://github.com/DarthSim/overmind/releases/download/v2.5.1/overmind-v2.5.1-linux-amd64.gz \
    | gunzip > /usr/local/bin/overmind && chmod +x /usr/local/bin/overmind

# cloudflared connects the sandbox to the edge.
RUN curl -fsSL -o /usr/local/bin/cloudflared \
    https://github.com/cloudflare/cloudflared/releases/latest/download/cloudflared-linux-amd64 \
    && chmod +x /usr/local/bin/cloudflared

USER daytona
WORKDIR /home/daytona

# mise manages ruby and node; its shims directory goes on PATH at run time.
RUN curl -fsSL https://mise.run | sh
ENV PATH="/home/daytona/.local/share/mise/shims:/home/daytona/.local/bin:$PATH"
RUN mise use -g ruby@3.3 node@22 && mise install

# claude CLI for the in-sandbox coding assistant.
RUN npm install -g @anthropic-ai/claude-code

CMD ["sleep", "infinity"]
`
