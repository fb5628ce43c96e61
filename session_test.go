package ferny

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Session (C6)", func() {
	Context("controlMasterEnv", func() {
		It("appends the SSH_ASKPASS variables to the base environment", func() {
			env := controlMasterEnv("/usr/bin/ferny-askpass", []string{"PATH=/bin"})
			Ω(env).Should(Equal([]string{
				"PATH=/bin",
				"SSH_ASKPASS=/usr/bin/ferny-askpass",
				"SSH_ASKPASS_REQUIRE=force",
				"DISPLAY=-",
			}))
		})
	})

	Context("controlMasterArgs", func() {
		It("builds the minimal -M -N argv with no options set", func() {
			args := controlMasterArgs("/usr/bin/ferny-askpass", "/tmp/sock", ConnectOptions{}, false)
			Ω(args).Should(Equal([]string{
				"-M", "-N", "-S", "/tmp/sock",
				"-o", "PermitLocalCommand=yes",
				"-o", "LocalCommand=/usr/bin/ferny-askpass",
			}))
		})

		It("appends config, identity, port, login and pkcs11 flags when set", func() {
			args := controlMasterArgs("/usr/bin/ferny-askpass", "/tmp/sock", ConnectOptions{
				ConfigFile:   "/etc/ssh/config",
				IdentityFile: "/home/bob/.ssh/id_ed25519",
				LoginName:    "bob",
				Port:         2222,
				PKCS11:       "/usr/lib/libpkcs11.so",
			}, false)

			Ω(args).Should(ContainElement("-F/etc/ssh/config"))
			Ω(args).Should(ContainElement("-i/home/bob/.ssh/id_ed25519"))
			Ω(args).Should(ContainElement("-I/usr/lib/libpkcs11.so"))
			Ω(args).Should(ContainElement("-p2222"))
			Ω(args).Should(ContainElement("-lbob"))
		})

		It("includes a -o entry per extra ssh_config option", func() {
			args := controlMasterArgs("/usr/bin/ferny-askpass", "/tmp/sock", ConnectOptions{
				Options: map[string]string{"StrictHostKeyChecking": "no"},
			}, false)
			Ω(args).Should(ContainElement("-oStrictHostKeyChecking no"))
		})

		It("wires KnownHostsCommand and StrictHostKeyChecking when the probe succeeds", func() {
			args := controlMasterArgs("/usr/bin/ferny-askpass", "/tmp/sock", ConnectOptions{HandleHostKey: true}, true)
			Ω(args).Should(ContainElement("KnownHostsCommand=/usr/bin/ferny-askpass %I %H %t %K %f"))
			Ω(args).Should(ContainElement("StrictHostKeyChecking=yes"))
		})

		It("omits KnownHostsCommand when the feature probe says the local ssh doesn't support it", func() {
			args := controlMasterArgs("/usr/bin/ferny-askpass", "/tmp/sock", ConnectOptions{HandleHostKey: true}, false)
			for _, a := range args {
				Ω(a).ShouldNot(ContainSubstring("KnownHostsCommand"))
			}
		})
	})

	Context("hasFeature", func() {
		It("reflects the probe's exit status and memoizes it per feature", func() {
			dir, err := os.MkdirTemp("", "ferny-hasfeature-")
			Ω(err).ShouldNot(HaveOccurred())
			defer os.RemoveAll(dir)

			fakeSsh := filepath.Join(dir, "fake-ssh")
			script := "#!/bin/sh\ncase \"$1\" in\n-oSupportedFeature*) exit 0 ;;\n*) exit 1 ;;\nesac\n"
			Ω(os.WriteFile(fakeSsh, []byte(script), 0o755)).Should(Succeed())

			Ω(hasFeature(fakeSsh, "SupportedFeature")).Should(BeTrue())
			Ω(hasFeature(fakeSsh, "UnsupportedFeature")).Should(BeFalse())

			// A second call for an already-probed feature must hit the
			// memoized answer rather than re-exec: flip the script and
			// confirm the cached result is unchanged.
			Ω(os.WriteFile(fakeSsh, []byte("#!/bin/sh\nexit 1\n"), 0o755)).Should(Succeed())
			Ω(hasFeature(fakeSsh, "SupportedFeature")).Should(BeTrue())
		})
	})
})
